package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", RedactEmail("john.doe@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-email"))
}

func TestRedactPhone(t *testing.T) {
	assert.Equal(t, "***67", RedactPhone("+1 555 123 4567"))
	assert.Equal(t, "***", RedactPhone("1"))
}

func TestRedactPIIValue(t *testing.T) {
	assert.Equal(t, "jo***@example.com", redactPIIValue("email", "john.doe@example.com"))
	assert.Equal(t, "***67", redactPIIValue("phone", "4567"))
	// Emails embedded in generic fields are still caught.
	assert.Equal(t, "row for jo***@example.com skipped", redactPIIValue("detail", "row for john@example.com skipped"))
}
