// Package completion turns an agent persona and conversation history into
// reply text.
//
// Generator is the collaborator interface consumed by the agent scheduler.
// OpenAI implements it against any OpenAI-compatible chat completion API
// using github.com/sashabaranov/go-openai. Canned returns fixed lines and
// needs no network, which suits local runs on the simulated network.
//
// Replies are returned as ordered parts: the model may answer in several
// short chat messages separated by blank lines, and Split turns that text
// into at most MaxParts messages no longer than the requested length.
package completion
