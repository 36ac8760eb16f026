package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_ComposePrompt(t *testing.T) {
	got := ComposePrompt(nil, "a red bicycle", "")
	assert.Equal(t, "a red bicycle", got)

	template := &PromptTemplate{Prompt: "Render in watercolor style.", IsActive: true}
	got = ComposePrompt(template, "a red bicycle", "")
	assert.Equal(t, "Render in watercolor style.\n\nUser Request: a red bicycle", got)
}

func Test_ComposePrompt_inactiveTemplate(t *testing.T) {
	template := &PromptTemplate{Prompt: "Render in watercolor style.", IsActive: false}
	got := ComposePrompt(template, "a red bicycle", "")
	assert.Equal(t, "a red bicycle", got)
}

func Test_ComposePrompt_referenceType(t *testing.T) {
	got := ComposePrompt(nil, "a portrait", ReferenceFace)
	assert.Equal(t, "a portrait\n\nPreserve the face from the reference image in the generated image.", got)

	got = ComposePrompt(nil, "a portrait", "bogus")
	assert.Equal(t, "a portrait", got)
}
