package logctx

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestEnterAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	SetBase(zerolog.New(&buf))

	scope := Enter(Fields{Owner: "scheduler", ThreadIndex: 2, Descriptor: 7})
	scope.Logger().Info().Msg("dispatch")
	scope.Exit()

	out := buf.String()
	require.Contains(t, out, `"owner":"scheduler"`)
	require.Contains(t, out, `"thread_index":2`)
	require.Contains(t, out, `"descriptor":7`)
}
