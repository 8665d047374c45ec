package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/sigma-rag/internal/app"
	"github.com/DeafMist/sigma-rag/internal/config"
	"github.com/DeafMist/sigma-rag/internal/embedding/hashing"
	"github.com/DeafMist/sigma-rag/internal/logger"
	"github.com/DeafMist/sigma-rag/internal/vectorindex/memory"
)

const fixtureReport = `{"data":{"attributes":{"sigma_analysis_results":[
	{"rule_id":"R1","rule_title":"Office Startup Write","rule_description":"WINWORD.EXE writes a COM scriptlet to the startup folder","rule_level":"high"},
	{"rule_id":"R2","rule_title":"Svchost Spawns Office","rule_description":"Office application started by svchost","rule_level":"medium"}
]}}}`

type echoLLM struct{ prompts []string }

func (e *echoLLM) Generate(_ context.Context, prompt string) (string, error) {
	e.prompts = append(e.prompts, prompt)
	return "answer", nil
}

func setupEnv(t *testing.T) {
	t.Helper()
	vt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(fixtureReport))
	}))
	t.Cleanup(vt.Close)

	t.Setenv("VECTOR_BACKEND", "memory")
	t.Setenv("EMBEDDING_PROVIDER", "hashing")
	t.Setenv("VIRUSTOTAL_BASE_URL", vt.URL)
	t.Setenv("REPORT_DATA_DIR", t.TempDir())
	t.Setenv("REPORT_HASH", "0123456789abcdef0123456789abcdef")
}

func newTestCLI(backend *memory.Backend, gen *echoLLM, prompt func(string) (string, error)) *cli {
	if prompt == nil {
		prompt = func(name string) (string, error) { return "", config.ErrMissingCredential }
	}
	return &cli{
		log:       logger.Discard(),
		overrides: app.Overrides{Backend: backend, Embedder: hashing.New(384), Generator: gen},
		prompt:    prompt,
	}
}

func run(t *testing.T, c *cli, args ...string) (string, error) {
	t.Helper()
	root := c.rootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestIngestCommand(t *testing.T) {
	setupEnv(t)
	t.Setenv("VIRUSTOTAL_API_KEY", "vt")
	backend := memory.New()

	out, err := run(t, newTestCLI(backend, &echoLLM{}, nil), "ingest", "--collection", "test_collection")
	require.NoError(t, err)
	assert.Contains(t, out, `Indexed 2 records`)
	assert.Contains(t, out, `"test_collection"`)
	assert.Equal(t, 2, backend.Len("test_collection"))
}

func TestAskCommandUsesDemoQuestions(t *testing.T) {
	setupEnv(t)
	t.Setenv("VIRUSTOTAL_API_KEY", "vt")
	t.Setenv("OPENAI_API_KEY", "sk")
	backend := memory.New()
	gen := &echoLLM{}

	out, err := run(t, newTestCLI(backend, gen, nil), "ask")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.Len("virustotal_sigma"))
	require.Len(t, gen.prompts, 2)
	for _, q := range demoQuestions {
		assert.Contains(t, out, "Q: "+q)
	}
	assert.Equal(t, 2, strings.Count(out, "A: answer"))
}

func TestAskCommandPromptsForMissingKeys(t *testing.T) {
	setupEnv(t)
	t.Setenv("VIRUSTOTAL_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	var asked []string
	prompt := func(name string) (string, error) {
		asked = append(asked, name)
		return "typed-" + name, nil
	}
	gen := &echoLLM{}
	c := newTestCLI(memory.New(), gen, prompt)

	_, err := run(t, c, "ask", "What does R1 detect?")
	require.NoError(t, err)
	assert.Equal(t, []string{"OPENAI_API_KEY", "VIRUSTOTAL_API_KEY"}, asked)
	assert.Equal(t, "typed-OPENAI_API_KEY", c.cfg.LLM.APIKey)
	assert.Equal(t, "typed-VIRUSTOTAL_API_KEY", c.cfg.Report.APIKey)
	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "Question: What does R1 detect?")
}

func TestAskWithExistingCollectionSkipsReportKey(t *testing.T) {
	setupEnv(t)
	t.Setenv("VIRUSTOTAL_API_KEY", "vt")
	t.Setenv("OPENAI_API_KEY", "sk")
	backend := memory.New()
	_, err := run(t, newTestCLI(backend, &echoLLM{}, nil), "ingest")
	require.NoError(t, err)

	t.Setenv("VIRUSTOTAL_API_KEY", "")
	var asked []string
	prompt := func(name string) (string, error) {
		asked = append(asked, name)
		return "", config.ErrMissingCredential
	}
	gen := &echoLLM{}

	out, err := run(t, newTestCLI(backend, gen, prompt), "ask", "What does R1 detect?")
	require.NoError(t, err)
	assert.Empty(t, asked)
	assert.Contains(t, out, "A: answer")
	require.Len(t, gen.prompts, 1)
}

func TestAskWithCachedReportSkipsReportKey(t *testing.T) {
	setupEnv(t)
	t.Setenv("VIRUSTOTAL_API_KEY", "vt")
	_, err := run(t, newTestCLI(memory.New(), &echoLLM{}, nil), "ingest")
	require.NoError(t, err)

	// fresh store, but the report is already on disk
	t.Setenv("VIRUSTOTAL_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk")
	backend := memory.New()
	_, err = run(t, newTestCLI(backend, &echoLLM{}, nil), "ask", "What does R1 detect?")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.Len("virustotal_sigma"))
}

func TestMissingKeyWithoutTerminalFails(t *testing.T) {
	setupEnv(t)
	t.Setenv("VIRUSTOTAL_API_KEY", "")

	_, err := run(t, newTestCLI(memory.New(), &echoLLM{}, nil), "ingest")
	require.ErrorIs(t, err, config.ErrMissingCredential)
}

func TestCheckCommand(t *testing.T) {
	setupEnv(t)
	t.Setenv("VIRUSTOTAL_API_KEY", "vt")
	backend := memory.New()

	out, err := run(t, newTestCLI(backend, &echoLLM{}, nil), "check", "-c", "sigma")
	require.NoError(t, err)
	assert.Contains(t, out, "memory backend: ok")
	assert.Contains(t, out, `collection "sigma": missing`)

	_, err = run(t, newTestCLI(backend, &echoLLM{}, nil), "ingest", "-c", "sigma")
	require.NoError(t, err)

	out, err = run(t, newTestCLI(backend, &echoLLM{}, nil), "check", "-c", "sigma")
	require.NoError(t, err)
	assert.Contains(t, out, `collection "sigma": dim=384 metric=cosine`)
}

func TestIngestRejectsArgs(t *testing.T) {
	_, err := run(t, newTestCLI(memory.New(), &echoLLM{}, nil), "ingest", "extra")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}
