package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-im/messaging/tests/testutil"
)

type cliResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type runner struct {
	bin string
	env []string
}

func (r runner) run(t *testing.T, args ...string) (cliResponse, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.bin, append([]string{"--format", "json"}, args...)...)
	cmd.Env = append(os.Environ(), r.env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	var resp cliResponse
	if out := strings.TrimSpace(stdout.String()); out != "" {
		require.NoError(t, json.Unmarshal([]byte(out), &resp), "stdout: %s\nstderr: %s", out, stderr.String())
	}
	return resp, err
}

func (r runner) as(token string) runner {
	env := append([]string{}, r.env...)
	return runner{bin: r.bin, env: append(env, "NEXUS_AUTH_TOKEN="+token)}
}

func TestCLI_DirectMessageRoundTrip(t *testing.T) {
	db := testutil.DB(t)
	alice := testutil.CreateProfile(t, db, "alice")
	bob := testutil.CreateProfile(t, db, "bob")

	bin, err := testutil.BuildBinary(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { testutil.CleanupBinary(bin) })

	base := runner{bin: bin, env: []string{
		"NEXUS_DATABASE_URL=" + testutil.DatabaseURL(),
		"NEXUS_AUTH_SECRET=e2e-secret",
		"NEXUS_KEYSTORE_PATH=" + filepath.Join(t.TempDir(), "keys.db"),
		"NEXUS_KEYSTORE_PASSPHRASE=e2e",
		"NEXUS_LOG_LEVEL=error",
	}}

	resp, err := base.run(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)

	resp, err = base.run(t, "token", alice, "--username", "alice")
	require.NoError(t, err)
	var tok struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &tok))
	asAlice := base.as(tok.Token)

	resp, err = asAlice.run(t, "dm", bob)
	require.NoError(t, err)
	var dm struct {
		ConversationID string `json:"conversation_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &dm))
	require.NotEmpty(t, dm.ConversationID)

	_, err = asAlice.run(t, "send", dm.ConversationID, "hello", "from", "the", "terminal")
	require.NoError(t, err)

	resp, err = asAlice.run(t, "messages", dm.ConversationID)
	require.NoError(t, err)
	var msgs []struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello from the terminal", msgs[0].Content)

	resp, err = asAlice.run(t, "send", dm.ConversationID, "   ")
	require.Error(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION", resp.Error.Code)
}

func TestCLI_RequiresToken(t *testing.T) {
	testutil.DB(t)
	bin, err := testutil.BuildBinary(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { testutil.CleanupBinary(bin) })

	r := runner{bin: bin, env: []string{"NEXUS_DATABASE_URL=" + testutil.DatabaseURL(), "NEXUS_AUTH_TOKEN="}}
	_, err = r.run(t, "conversations")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.ExitCode())
}
