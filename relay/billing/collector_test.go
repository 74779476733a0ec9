package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetherlab/aether/model"
)

func TestCollectDimensionsOpenAIChat(t *testing.T) {
	response := []byte(`{
		"id": "c1",
		"usage": {
			"prompt_tokens": 10,
			"completion_tokens": 5,
			"prompt_tokens_details": {"cached_tokens": 3}
		}
	}`)
	collectors := BuiltinCollectors("openai:chat", model.TaskTypeChat)
	dims := CollectDimensions(collectors, &CollectorInput{Response: response})

	assert.Equal(t, 10, dims["input_tokens"])
	assert.Equal(t, 5, dims["output_tokens"])
	assert.Equal(t, 3, dims["cache_read_tokens"])
}

func TestCollectDimensionsClaudeChat(t *testing.T) {
	response := []byte(`{
		"usage": {
			"input_tokens": 20,
			"output_tokens": 8,
			"cache_read_input_tokens": 4,
			"cache_creation_input_tokens": 2
		}
	}`)
	collectors := BuiltinCollectors("claude:chat", model.TaskTypeChat)
	dims := CollectDimensions(collectors, &CollectorInput{Response: response})

	assert.Equal(t, 20, dims["input_tokens"])
	assert.Equal(t, 8, dims["output_tokens"])
	assert.Equal(t, 4, dims["cache_read_tokens"])
	assert.Equal(t, 2, dims["cache_creation_tokens"])
}

func TestCollectDimensionsVideoMetadata(t *testing.T) {
	collectors := BuiltinCollectors("gemini:video", model.TaskTypeVideo)
	dims := CollectDimensions(collectors, &CollectorInput{
		Metadata: map[string]any{
			"duration_seconds": 8.0,
			"resolution":       "1280x720",
		},
	})

	assert.Equal(t, 8.0, dims["duration_seconds"])
	assert.Equal(t, "1280x720", dims["resolution"])
	// request_count comes from the default.
	assert.Equal(t, 1, dims["request_count"])
}

func TestCollectDimensionsPriorityWins(t *testing.T) {
	collectors := []model.DimensionCollector{
		{
			DimensionName: "input_tokens", SourceType: model.CollectorSourceResponse,
			SourcePath: "alt.tokens", ValueType: "int", Priority: 10, IsEnabled: true,
		},
		{
			DimensionName: "input_tokens", SourceType: model.CollectorSourceResponse,
			SourcePath: "usage.prompt_tokens", ValueType: "int", Priority: 0, IsEnabled: true,
		},
	}
	response := []byte(`{"usage":{"prompt_tokens":10},"alt":{"tokens":99}}`)
	dims := CollectDimensions(collectors, &CollectorInput{Response: response})
	assert.Equal(t, 99, dims["input_tokens"])

	// When the high-priority path yields nothing, the next collector wins.
	response = []byte(`{"usage":{"prompt_tokens":10}}`)
	dims = CollectDimensions(collectors, &CollectorInput{Response: response})
	assert.Equal(t, 10, dims["input_tokens"])
}

func TestCollectDimensionsTransform(t *testing.T) {
	collectors := []model.DimensionCollector{
		{
			DimensionName: "duration_seconds", SourceType: model.CollectorSourceResponse,
			SourcePath: "duration_ms", ValueType: "float",
			TransformExpression: "value / 1000", IsEnabled: true,
		},
	}
	dims := CollectDimensions(collectors, &CollectorInput{Response: []byte(`{"duration_ms": 8500}`)})
	assert.Equal(t, 8.5, dims["duration_seconds"])
}

func TestCollectDimensionsComputedSeesResolved(t *testing.T) {
	collectors := []model.DimensionCollector{
		{
			DimensionName: "input_tokens", SourceType: model.CollectorSourceResponse,
			SourcePath: "usage.prompt_tokens", ValueType: "int", IsEnabled: true,
		},
		{
			DimensionName: "output_tokens", SourceType: model.CollectorSourceResponse,
			SourcePath: "usage.completion_tokens", ValueType: "int", IsEnabled: true,
		},
		{
			DimensionName: "total_tokens", SourceType: model.CollectorSourceComputed,
			TransformExpression: "input_tokens + output_tokens", ValueType: "int", IsEnabled: true,
		},
	}
	response := []byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5}}`)
	dims := CollectDimensions(collectors, &CollectorInput{Response: response})
	assert.Equal(t, 15, dims["total_tokens"])
}

func TestCollectDimensionsCoercionFallback(t *testing.T) {
	collectors := []model.DimensionCollector{
		{
			DimensionName: "input_tokens", SourceType: model.CollectorSourceResponse,
			SourcePath: "usage.prompt_tokens", ValueType: "int",
			DefaultValue: "7", IsEnabled: true,
		},
		{
			DimensionName: "mystery", SourceType: model.CollectorSourceResponse,
			SourcePath: "bad.value", ValueType: "int", IsEnabled: true,
		},
	}
	response := []byte(`{"usage":{"prompt_tokens":"not a number"},"bad":{"value":{"nested":true}}}`)
	dims := CollectDimensions(collectors, &CollectorInput{Response: response})

	assert.Equal(t, 7, dims["input_tokens"])
	_, present := dims["mystery"]
	assert.False(t, present)
}

func TestBuiltinCollectorsVideoFallback(t *testing.T) {
	chat := BuiltinCollectors("openai:chat", model.TaskTypeChat)
	require.NotEmpty(t, chat)
	video := BuiltinCollectors("openai:video", model.TaskTypeVideo)
	require.NotEmpty(t, video)
	assert.Nil(t, BuiltinCollectors("not-a-family", model.TaskTypeChat))
}
