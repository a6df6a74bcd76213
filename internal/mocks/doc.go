// Package mocks provides shared mock implementations for testing.
//
// # Usage
//
//	import "github.com/sternelee/reforge-sub005/internal/mocks"
//
//	func TestSomething(t *testing.T) {
//	    mockLLM := mocks.NewMockLLMClient()
//	    mockLLM.RespondWith("test response")
//	    // Use mockLLM in test...
//	}
//
// # Available Mocks
//
//   - MockLLMClient: Mock for pkg/agent/llm.LLMClient
package mocks
