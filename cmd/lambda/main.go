package main

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"graphcollab/infrastructure/config"
	"graphcollab/infrastructure/di"
)

var (
	// chiLambda wraps the Chi router for AWS Lambda integration
	chiLambda *chiadapter.ChiLambdaV2

	container *di.Container

	// coldStart is true until the first invocation has been served
	coldStart = true
)

func init() {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	// API Gateway runs the JWT authorizer in front of this function.
	cfg.IsLambda = true

	container, _, err = di.InitializeContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}
	// Sweepers live as long as the execution environment does.
	container.Start(context.Background())

	chiRouter, ok := container.Router.Setup().(*chi.Mux)
	if !ok {
		log.Fatal("Failed to cast handler to chi.Mux")
	}
	chiLambda = chiadapter.NewV2(chiRouter)

	container.Logger.Info("Lambda cold start completed", zap.Duration("took", time.Since(start)))
}

// Handler is the Lambda function handler
func Handler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	container.Logger.Debug("Lambda received request",
		zap.String("path", req.RequestContext.HTTP.Path),
		zap.String("method", req.RequestContext.HTTP.Method),
		zap.String("requestID", req.RequestContext.RequestID),
		zap.Bool("coldStart", coldStart),
	)
	coldStart = false

	injectAuthorizerContext(&req)
	return chiLambda.ProxyWithContextV2(ctx, req)
}

// injectAuthorizerContext turns the JWT authorizer claims into the identity
// headers the authentication middleware trusts. Client supplied copies of
// those headers are dropped first.
func injectAuthorizerContext(req *events.APIGatewayV2HTTPRequest) {
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	for _, h := range []string{"x-api-gateway-authorized", "x-user-id", "x-user-email", "x-user-roles"} {
		delete(req.Headers, h)
	}

	authorizer := req.RequestContext.Authorizer
	if authorizer == nil || authorizer.JWT == nil {
		return
	}
	claims := authorizer.JWT.Claims
	if claims["sub"] == "" {
		return
	}
	req.Headers["x-api-gateway-authorized"] = "true"
	req.Headers["x-user-id"] = claims["sub"]
	req.Headers["x-user-email"] = claims["email"]
	req.Headers["x-user-roles"] = claims["roles"]
}

func main() {
	lambda.Start(Handler)
}
