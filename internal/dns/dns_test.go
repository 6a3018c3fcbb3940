package dns

import (
	"context"
	"testing"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
)

func TestLookupLiteralIP(t *testing.T) {
	assert.Equal(try.To1(Lookup(context.Background(), "127.0.0.1")), "127.0.0.1")
	assert.Equal(try.To1(Lookup(context.Background(), "::1")), "::1")
}

func TestPickAddressPrefersIPv4(t *testing.T) {
	assert.Equal(try.To1(pickAddress([]string{"2001:db8::1", "192.0.2.7"})), "192.0.2.7")
	assert.Equal(try.To1(pickAddress([]string{"2001:db8::1"})), "2001:db8::1")

	_, err := pickAddress(nil)
	assert.That(err == errNoAddress)
}

func TestTrimBrackets(t *testing.T) {
	assert.Equal(trimBrackets("[2620:fe::fe]"), "2620:fe::fe")
	assert.Equal(trimBrackets("9.9.9.9"), "9.9.9.9")
}
