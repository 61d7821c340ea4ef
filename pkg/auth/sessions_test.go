package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashTokenSaltedAndStable(t *testing.T) {
	a := &SessionStore{secret: "s1"}
	b := &SessionStore{secret: "s2"}

	assert.Equal(t, a.HashToken("tok"), a.HashToken("tok"))
	assert.NotEqual(t, a.HashToken("tok"), b.HashToken("tok"), "different secrets, different hashes")
	assert.NotEqual(t, a.HashToken("tok"), a.HashToken("tok2"))
	assert.Len(t, a.HashToken("tok"), 64)
}

func TestRandomTokenUniqueness(t *testing.T) {
	t1, err := randomToken()
	assert.NoError(t, err)
	t2, err := randomToken()
	assert.NoError(t, err)

	assert.NotEqual(t, t1, t2)
	assert.Len(t, t1, 64)
}
