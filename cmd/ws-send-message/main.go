// Command ws-send-message is the EventBridge target that posts mirrored
// change events to subscribed websocket connections.
package main

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"graphcollab/infrastructure/config"
	"graphcollab/infrastructure/di"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	gateway, err := di.InitializeGateway(ctx, cfg, true)
	if err != nil {
		log.Fatalf("Failed to initialize gateway: %v", err)
	}
	defer gateway.Logger.Sync()

	lambda.Start(gateway.Handlers.Send)
}
