package orch

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardroom/pkg/config"
	"boardroom/pkg/proto"
)

// The metrics recorder registers on the default Prometheus registry, so this
// test binary constructs the orchestrator exactly once.

// Review requests on the orchestrator channel must reach the decision engine;
// with no policy installed the default predicate rejects the PR.
func TestPRReviewRequestDispatched(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(dir, "boardroom.db")
	cfg.EventLogDir = filepath.Join(dir, "logs")
	cfg.Session.Enabled = false
	cfg.DataCache.Enabled = false
	for name, pc := range cfg.Providers {
		pc.Enabled = false
		cfg.Providers[name] = pc
	}

	o, err := New(cfg, config.NewSecrets(dir, ""))
	require.NoError(t, err)
	defer o.Stop()

	sub, err := o.bus.Subscribe(proto.ChannelOrchestrator)
	require.NoError(t, err)

	req := proto.NewMessage(proto.MsgTypePRReviewRequested, "cto", proto.ChannelOrchestrator)
	req.CorrelationID = "corr-42"
	req.SetPayload(proto.KeyPRID, "pr-7")
	req.SetPayload(proto.KeyTitle, "Add treasury report")
	req.SetPayload("author", "cto")
	req.SetPayload("branch", "treasury-report")
	o.handleOrchestratorMessage(req)

	select {
	case verdict := <-sub.C():
		assert.Equal(t, proto.MsgTypePRRejected, verdict.Type)
		assert.Equal(t, "corr-42", verdict.CorrelationID)
		assert.Equal(t, "pr-7", verdict.PayloadString(proto.KeyPRID))
	case <-time.After(time.Second):
		t.Fatal("no PR verdict published")
	}
}
