// Package gemini implements the worker.Classifier interface over Google's
// Gemini API.
//
// Each rate account carries its own API key; the classifier keeps one genai
// client per key and builds prompts that demand a strict-JSON relevance
// verdict. Transport errors surface as transient so tasks are retried;
// safety blocks and unparseable replies surface as permanent so tasks fail
// exactly once.
package gemini
