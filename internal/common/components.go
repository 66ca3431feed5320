package common

const (
	ComponentEngine        = "engine"
	ComponentSyncLoop      = "sync-loop"
	ComponentChainClient   = "chain-client"
	ComponentFetcher       = "log-fetcher"
	ComponentReorgDetector = "reorg-detector"
	ComponentDecoder       = "event-decoder"
	ComponentProjection    = "projection-writer"
	ComponentCheckpoint    = "checkpoint-store"
	ComponentNotifier      = "notifier"
)

var AllComponents = map[string]struct{}{
	ComponentEngine:        {},
	ComponentSyncLoop:      {},
	ComponentChainClient:   {},
	ComponentFetcher:       {},
	ComponentReorgDetector: {},
	ComponentDecoder:       {},
	ComponentProjection:    {},
	ComponentCheckpoint:    {},
	ComponentNotifier:      {},
}
