package mask

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecipient(t *testing.T) {
	assert.Equal(t, "", Recipient(""))
	assert.Equal(t, "+905*******33", Recipient("+905551112233"))
	assert.Equal(t, "j***@example.com", Recipient("jane@example.com"))
	assert.Equal(t, "*****", Recipient("12345"))
}

func TestToken(t *testing.T) {
	assert.Equal(t, "", Token(""))
	assert.Equal(t, "********", Token("short123"))
	assert.Equal(t, "eyJh...XVCJ", Token("eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ"))
}
