package catalog

import "fmt"

// Reference types for image_reference operations.
const (
	ReferenceSubject   = "subject"
	ReferenceFace      = "face"
	ReferenceFullImage = "full_image"
)

var referenceInstructions = map[string]string{
	ReferenceSubject:   "Use the subject of the reference image as the main subject of the generated image.",
	ReferenceFace:      "Preserve the face from the reference image in the generated image.",
	ReferenceFullImage: "Use the full reference image as compositional and stylistic guidance.",
}

// ComposePrompt builds the effective prompt sent to the provider. An active
// template is prepended as a system preamble; for reference operations the
// reference-type instruction is appended.
func ComposePrompt(template *PromptTemplate, userPrompt, referenceType string) string {
	prompt := userPrompt
	if template != nil && template.IsActive && template.Prompt != "" {
		prompt = template.Prompt + "\n\nUser Request: " + userPrompt
	}
	if instruction, ok := referenceInstructions[referenceType]; ok {
		prompt = fmt.Sprintf("%s\n\n%s", prompt, instruction)
	}
	return prompt
}
