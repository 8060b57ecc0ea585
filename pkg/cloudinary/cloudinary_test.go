package cloudinary

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBuildPublicID(t *testing.T) {
	now := time.Unix(1700000000, 0)

	require.Equal(t, "run-42-evaluations-1700000000.zip", buildPublicID("run 42/evaluations.zip", now))
	require.Equal(t, "evaluations-1700000000.zip", buildPublicID("???.ZIP", now))
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{CloudName: "demo"}, zerolog.Nop())
	require.Error(t, err)
}
