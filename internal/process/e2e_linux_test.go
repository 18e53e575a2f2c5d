//go:build linux

package process

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ericvicenti/botical-sub001/internal/domain"
	"github.com/ericvicenti/botical-sub001/internal/processstore"
	"github.com/ericvicenti/botical-sub001/internal/ptyworker"
	"github.com/ericvicenti/botical-sub001/internal/workerchannel"
)

func TestService_EchoThroughRealWorker(t *testing.T) {
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("no pseudo-terminal support")
	}

	env := newTestEnv(t, &workerchannel.InProcessSpawner{
		Config: ptyworker.Config{},
		Logger: zap.NewNop().Sugar(),
	})
	ctx := context.Background()

	d := def("echo hi")
	d.Cols, d.Rows = 80, 24
	p, err := env.svc.Spawn(ctx, d, t.TempDir())
	require.NoError(t, err)

	done := env.waitStatus(t, p.ID, domain.StatusCompleted)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
	assert.NotNil(t, done.EndedAt)

	chunks, err := env.svc.GetOutput(ctx, p.ID, processstore.OutputQuery{})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.Equal(t, domain.StreamStdout, c.Stream)
	}

	// The terminal translates "\n" to "\r\n"
	text, err := env.svc.GetOutputText(ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, text, "hi")
}
