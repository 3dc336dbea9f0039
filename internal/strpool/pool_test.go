package strpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutResets(t *testing.T) {
	b := Get()
	b.WriteString("verse")
	Put(b)

	require.Zero(t, Get().Len())
}
