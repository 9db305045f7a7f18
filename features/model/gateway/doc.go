// Package gateway composes provider model clients with middleware. A Gateway
// is itself a model.Client, so the runtime can use it wherever a provider
// client is expected.
package gateway
