package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/dailyrecords_backend/appctx"
)

var (
	ContextKeyActor         = appctx.ContextKeyActor
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

func GetActorFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyActor)
}

func SetActorInContext(ctx context.Context, actor string) context.Context {
	return appctx.Set(ctx, ContextKeyActor, actor)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}
