// Package gemini implements generation.Generator on Google's Gemini image
// models through the google.golang.org/genai client.
//
// Prompts are rendered from a text template that folds the task's
// generation parameters into the instruction, since the image models take
// no structured knobs beyond the prompt. An input image, when the task has
// one, is sent inline next to the prompt. Transient API failures are retried
// with capped exponential backoff; safety refusals and answers without an
// image fail immediately.
package gemini
