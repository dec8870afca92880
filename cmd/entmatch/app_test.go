package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/entmatch/internal/config"
	"github.com/thebtf/entmatch/internal/embedding"
	"github.com/thebtf/entmatch/pkg/models"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.StoreBackend = config.BackendMemory
	cfg.Embedding.Provider = "ngram"
	cfg.MaxMentionTokens = 0
	return cfg
}

func TestNewApp_MemoryNgram(t *testing.T) {
	a, err := newApp(context.Background(), memoryConfig(), "")
	require.NoError(t, err)
	defer a.close()

	assert.Equal(t, embedding.NgramDefaultDimension, a.model.Dimensions())

	result, err := a.engine.Match(context.Background(), []string{"Acme Corp", "Acme Corp", "Zyxw"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Acme Corp", "Acme Corp"}, result.Clusters[models.ClusterID("Acme Corp")])
	assert.Len(t, result.Clusters, 2)
}

func TestNewApp_PunctuationMention(t *testing.T) {
	a, err := newApp(context.Background(), memoryConfig(), "")
	require.NoError(t, err)
	defer a.close()

	result, err := a.engine.Match(context.Background(), []string{"&", "&"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{models.ClusterID("&"): {"&", "&"}}, result.Clusters)
}

func TestNewApp_UnknownProvider(t *testing.T) {
	cfg := memoryConfig()
	cfg.Embedding.Provider = "nope"

	_, err := newApp(context.Background(), cfg, "")
	assert.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, setupLogging(&buf, "WARN"))
	assert.Error(t, setupLogging(&buf, "loud"))
	require.NoError(t, setupLogging(&buf, "info"))
}

func TestReadLines(t *testing.T) {
	lines, err := readLines(strings.NewReader("Apple Inc\n\n  Banana Co  \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Apple Inc", "Banana Co"}, lines)
}

func TestRenderStats(t *testing.T) {
	var buf bytes.Buffer
	renderStats(&buf, models.ClusterStats{Count: 1200, MaxClusters: 10000, Threshold: 0.8, Members: 3400, MeanSize: 2.83})

	out := buf.String()
	assert.Contains(t, out, "1,200")
	assert.Contains(t, out, "10,000")
	assert.Contains(t, out, "0.8")
}

func TestRenderModels(t *testing.T) {
	var buf bytes.Buffer
	renderModels(&buf, embedding.ListModels())

	assert.Contains(t, buf.String(), "ngram")
	assert.Contains(t, buf.String(), "openai")
}
