package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_Encode_Decode(t *testing.T) {
	createdAt := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	token := Encode(createdAt, "f7b1a944-6f05-4f4b-9e2c-1f1f6f3db001")

	gotTime, gotID, err := Decode(token)
	assert.NoError(t, err)
	assert.True(t, gotTime.Equal(createdAt))
	assert.Equal(t, "f7b1a944-6f05-4f4b-9e2c-1f1f6f3db001", gotID)
}

func Test_Decode_empty(t *testing.T) {
	gotTime, gotID, err := Decode("")
	assert.NoError(t, err)
	assert.True(t, gotTime.IsZero())
	assert.Equal(t, "", gotID)
}

func Test_Decode_malformed(t *testing.T) {
	_, _, err := Decode("not base64!!!")
	assert.ErrorIs(t, err, ErrMalformed)

	_, _, err = Decode("aGVsbG8")
	assert.ErrorIs(t, err, ErrMalformed)
}
