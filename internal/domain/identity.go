package domain

// Identity is the principal a request is authorized under: a registered
// account or a guest session, never both.
type Identity struct {
	AccountID string
	GuestID   string
}

// AccountIdentity returns an account principal.
func AccountIdentity(accountID string) Identity { return Identity{AccountID: accountID} }

// GuestIdentity returns a guest principal.
func GuestIdentity(guestID string) Identity { return Identity{GuestID: guestID} }

// IsAccount reports whether the identity is a registered account.
func (i Identity) IsAccount() bool { return i.AccountID != "" && i.GuestID == "" }

// IsGuest reports whether the identity is a guest session.
func (i Identity) IsGuest() bool { return i.GuestID != "" && i.AccountID == "" }

// Valid reports whether exactly one identity kind is set.
func (i Identity) Valid() bool { return i.IsAccount() || i.IsGuest() }

// String renders a stable, namespaced key ("account:<id>" / "guest:<id>"),
// used for rate limiting and logs.
func (i Identity) String() string {
	switch {
	case i.IsAccount():
		return "account:" + i.AccountID
	case i.IsGuest():
		return "guest:" + i.GuestID
	}
	return ""
}
