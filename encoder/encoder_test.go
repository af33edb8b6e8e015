package encoder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_RoundTrip(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	encoded := Encode(content)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, content, decoded)
}

func TestNormalizeBase64Padding_AlreadyValid(t *testing.T) {
	encoded := Encode([]byte("abc"))
	assert.Equal(t, encoded, NormalizeBase64Padding(encoded))
}

func TestNormalizeBase64Padding_TrimsWhitespace(t *testing.T) {
	encoded := Encode([]byte("hello world"))
	dirty := encoded + "\n"
	assert.Equal(t, encoded, NormalizeBase64Padding(dirty))
}

// TestNormalizeBase64Padding_Regression1398101 reproduces the production
// incident where a document's base64 payload ended up exactly 1,398,101
// characters long: not a multiple of 4, because a stray trailing byte had
// been appended after encoding. The fix must both strip the stray byte and
// restore valid padding so the payload decodes cleanly.
func TestNormalizeBase64Padding_Regression1398101(t *testing.T) {
	// 1,398,100 is a multiple of 4; appending one stray byte reproduces the
	// exact 1,398,101-character payload observed in production.
	base := strings.Repeat("A", 1398100)
	dirty := base + "\n"
	require.Equal(t, 1398101, len(dirty))

	cleaned := NormalizeBase64Padding(dirty)
	assert.Equal(t, 0, len(cleaned)%4, "cleaned payload must be a multiple of 4")

	_, err := Decode(dirty)
	assert.NoError(t, err, "a dirty 1,398,101-char payload must still decode after normalization")
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode("not-valid-base64!!!")
	assert.Error(t, err)
}
