package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/born-ml/streamattn/internal/conformance"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

// run executes the CLI with args and returns stdout. The config flag points at
// a missing file so the user's config never leaks in.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	app.ExitErrHandler = func(context.Context, *cli.Command, error) {}

	full := append([]string{"streamattn", "--config", filepath.Join(t.TempDir(), "none.yaml")}, args...)
	err := app.Run(context.Background(), full)
	return stdout.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "streamattn "+version+"\n", out)
}

func TestVerifyJSON(t *testing.T) {
	out, err := run(t, "verify", "--format", "json", "--k-blocks", "1,4,16", "--shards", "2")
	require.NoError(t, err)

	var rep conformance.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.Passed)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, []int{1, 4, 16}, rep.Config.KBlockSizes)
}

func TestVerifyTextFailure(t *testing.T) {
	out, err := run(t, "verify", "--k-blocks", "3", "--tolerance", "1e-300", "--causal")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FAIL")
	assert.Contains(t, out, "result:")
	assert.Contains(t, out, "CASE")
}

func TestVerifyBadList(t *testing.T) {
	_, err := run(t, "verify", "--q-blocks", "1,x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "q-blocks")
}

func TestVerifyScoreOverflow(t *testing.T) {
	_, err := run(t, "verify", "--scale", "1e308", "--k-blocks", "4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "numeric instability")
}

func TestVerifyBlockLists(t *testing.T) {
	out, err := run(t, "verify", "--format", "json",
		"--queries", "4", "--keys", "3", "--q-blocks", "1,4", "--k-blocks", "2", "--k-blocks", "3", "--shards", "2")
	require.NoError(t, err)

	var rep conformance.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, []int{1, 4}, rep.Config.QBlockSizes)
	assert.Equal(t, []int{2, 3}, rep.Config.KBlockSizes)
	assert.Equal(t, []int{2}, rep.Config.Shards)
	assert.True(t, rep.Passed)
}

func TestSoftmax(t *testing.T) {
	out, err := run(t, "softmax", "--json", "--chunk", "2", "--", "0", "0", "0", "0")
	require.NoError(t, err)

	var got struct {
		Probabilities []float64 `json:"probabilities"`
		Sum           float64   `json:"sum"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.InDeltaSlice(t, []float64{0.25, 0.25, 0.25, 0.25}, got.Probabilities, 1e-9)
	assert.Equal(t, 4.0, got.Sum)

	_, err = run(t, "softmax", "1", "abc")
	assert.Error(t, err)

	_, err = run(t, "softmax")
	assert.Error(t, err, "at least one logit")
}

func TestAttendRandom(t *testing.T) {
	for _, args := range [][]string{
		{"attend", "--q-block", "2", "--k-block", "4"},
		{"attend", "--q-block", "2", "--k-block", "4", "--order", "key-major", "--shards", "2", "--workers", "1"},
	} {
		out, err := run(t, args...)
		require.NoError(t, err)

		var got attendOutput
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, "attention", got.Mode)
		assert.Len(t, got.Output, 20)
		assert.Equal(t, 10, got.QBlocks)
		assert.Equal(t, 4, got.KBlocks)
	}
}

func TestAttendInputFileWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"q":[[1,0]],"k":[[1,0],[0,1]]}`), 0o600))

	out, err := run(t, "attend", "--input", path, "--k-block", "1", "--causal")
	require.NoError(t, err)

	var got attendOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "weights", got.Mode)
	require.Len(t, got.Weights, 1)
	assert.InDeltaSlice(t, []float64{1, 0}, got.Weights[0], 1e-9)
}

func TestAttendInputFileOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.json")
	body := `{"q":[[1],[1]],"k":[[0],[5]],"v":[[1],[2]],"k_block_size":1,"causal":true}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	out, err := run(t, "attend", "--input", path)
	require.NoError(t, err)

	var got attendOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 2, got.KBlocks)
	require.Len(t, got.Output, 2)
	assert.InDeltaSlice(t, []float64{1}, got.Output[0], 1e-9, "row 0 only sees key 0")
	assert.Greater(t, got.Output[1][0], 1.9)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"q":[[1]],"k":[[1]],"causal":true,"mask":[[true]]}`), 0o600))
	_, err = run(t, "attend", "--input", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestAttendErrors(t *testing.T) {
	for _, args := range [][]string{
		{"--queries=-1"},
		{"--keys=-3"},
		{"--dim=0"},
		{"--value-dim=-2"},
	} {
		_, err := run(t, append([]string{"attend"}, args...)...)
		assert.Error(t, err, "%v", args)
	}

	_, err := run(t, "attend", "--k-block", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")

	_, err = run(t, "attend", "--order", "diagonal")
	require.Error(t, err)

	_, err = run(t, "attend", "--input", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestConfigFileOverlay(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("q_block_size: 5\nk_block_size: 8\n"), 0o600))

	var stdout bytes.Buffer
	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &bytes.Buffer{}
	app.ExitErrHandler = func(context.Context, *cli.Command, error) {}

	// The file sets both sizes; the flag wins for the key block.
	err := app.Run(context.Background(), []string{"streamattn", "--config", cfgPath, "attend", "--k-block", "2"})
	require.NoError(t, err)

	var got attendOutput
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &got))
	assert.Equal(t, 4, got.QBlocks, "20 queries in blocks of 5")
	assert.Equal(t, 8, got.KBlocks, "16 keys in blocks of 2")
}

func TestBadConfigFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("order: sideways\n"), 0o600))

	app := newApp()
	app.Writer = &bytes.Buffer{}
	app.ErrWriter = &bytes.Buffer{}
	app.ExitErrHandler = func(context.Context, *cli.Command, error) {}

	err := app.Run(context.Background(), []string{"streamattn", "--config", cfgPath, "version"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown order"))
}
