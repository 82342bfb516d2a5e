package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AbuAR/superhero-wallet/broker"
)

func TestParseMethod_RoundTripsEveryName(t *testing.T) {
	for m, name := range methodNames {
		assert.Equal(t, m, ParseMethod(name))
		assert.Equal(t, name, m.String())
		assert.NotEqual(t, FamilyNone, m.Family(), name)
	}
	assert.Equal(t, MethodUnknown, ParseMethod("getaccount"))
	assert.Equal(t, FamilyNone, MethodUnknown.Family())
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		class broker.Class
		m     Method
		want  bool
	}{
		{broker.ClassExtension, MethodUnlockWallet, true},
		{broker.ClassExtension, MethodPhishingCheck, true},
		{broker.ClassExtension, MethodInitRPCWallet, true},
		{broker.ClassExtension, MethodUnknown, false},
		{broker.ClassExternal, MethodIsLoggedIn, true},
		{broker.ClassExternal, MethodGetKeypair, false},
		{broker.ClassExternal, MethodSetPhishingURL, false},
		{broker.ClassPopup, MethodIsLoggedIn, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Allowed(tt.class, tt.m), "%s %s", tt.class, tt.m)
	}
}
