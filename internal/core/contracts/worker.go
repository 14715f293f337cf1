package contracts

import "context"

type AsyncWorker interface {
	// Run starts the consumer loop and returns once it is subscribed
	Run(ctx context.Context) error
	// ProcessMessage decodes one stream entry, hands it to the registry,
	// then acknowledges and deletes it.
	ProcessMessage(ctx context.Context, msgID string, rawData []byte) error
}
