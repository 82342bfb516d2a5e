package router

import "github.com/AbuAR/superhero-wallet/broker"

// Method is the closed set of message kinds the router dispatches.
type Method int

const (
	MethodUnknown Method = iota

	// Vault family
	MethodUnlockWallet
	MethodLockWallet
	MethodGenerateWallet
	MethodGetAccount
	MethodGetKeypair
	MethodIsLoggedIn

	// Blocklist family
	MethodPhishingCheck
	MethodSetPhishingURL

	// Session control family
	MethodSwitchNetwork
	MethodCheckHasAccount
	MethodOpenTipPopup

	// Notification family
	MethodChangeAccount
	MethodAddAccount
	MethodLogout
	MethodInitRPCWallet
)

// Family groups methods by the collaborator they reach.
type Family int

const (
	FamilyNone Family = iota
	FamilyVault
	FamilyBlocklist
	FamilySession
	FamilyNotification
)

var methodNames = map[Method]string{
	MethodUnlockWallet:    "unlockWallet",
	MethodLockWallet:      "lockWallet",
	MethodGenerateWallet:  "generateWallet",
	MethodGetAccount:      "getAccount",
	MethodGetKeypair:      "getKeypair",
	MethodIsLoggedIn:      "isLoggedIn",
	MethodPhishingCheck:   "phishingCheck",
	MethodSetPhishingURL:  "setPhishingUrl",
	MethodSwitchNetwork:   "SWITCH_NETWORK",
	MethodCheckHasAccount: "checkHasAccount",
	MethodOpenTipPopup:    "openTipPopup",
	MethodChangeAccount:   "CHANGE_ACCOUNT",
	MethodAddAccount:      "ADD_ACCOUNT",
	MethodLogout:          "LOGOUT",
	MethodInitRPCWallet:   "INIT_RPC_WALLET",
}

var methodsByName = func() map[string]Method {
	m := make(map[string]Method, len(methodNames))
	for k, v := range methodNames {
		m[v] = k
	}
	return m
}()

// ParseMethod maps a wire name to its Method. Names are matched exactly;
// anything else is MethodUnknown.
func ParseMethod(name string) Method {
	return methodsByName[name]
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return "unknown"
}

// Family returns the handler family m belongs to.
func (m Method) Family() Family {
	switch m {
	case MethodUnlockWallet, MethodLockWallet, MethodGenerateWallet,
		MethodGetAccount, MethodGetKeypair, MethodIsLoggedIn:
		return FamilyVault
	case MethodPhishingCheck, MethodSetPhishingURL:
		return FamilyBlocklist
	case MethodSwitchNetwork, MethodCheckHasAccount, MethodOpenTipPopup:
		return FamilySession
	case MethodChangeAccount, MethodAddAccount, MethodLogout, MethodInitRPCWallet:
		return FamilyNotification
	default:
		return FamilyNone
	}
}

func (f Family) String() string {
	switch f {
	case FamilyVault:
		return "vault"
	case FamilyBlocklist:
		return "blocklist"
	case FamilySession:
		return "session"
	case FamilyNotification:
		return "notification"
	default:
		return "none"
	}
}

// Allowed reports whether a channel of class c may invoke m. Internal pages
// may call everything, external applications only the login probe, and
// popups are delivery targets only.
func Allowed(c broker.Class, m Method) bool {
	if m == MethodUnknown {
		return false
	}
	switch c {
	case broker.ClassExtension:
		return true
	case broker.ClassExternal:
		return m == MethodIsLoggedIn
	default:
		return false
	}
}
