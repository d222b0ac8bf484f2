package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "15551112222", NormalizePhone("+1 (555) 111-2222"))
	assert.Equal(t, "4915112345678", NormalizePhone("49 151 12345678"))
	assert.Equal(t, "12345", NormalizePhone("12345"))
	assert.Equal(t, "", NormalizePhone("not-a-number"))
	assert.Equal(t, "", NormalizePhone(""))
	assert.Equal(t, "", NormalizePhone("+-() "))
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("https://example.com/callback"))
	assert.NoError(t, ValidateURL("http://localhost:8080/hook"))
	assert.Error(t, ValidateURL(""))
	assert.Error(t, ValidateURL("   "))
	assert.Error(t, ValidateURL("ftp://example.com"))
	assert.Error(t, ValidateURL("not a url"))
}
