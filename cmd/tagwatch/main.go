package main

import (
	"context"
	"os"

	"github.com/tagwatch/tagwatch/internal/logging"
	libOS "github.com/tagwatch/tagwatch/internal/os"

	_ "time/tzdata"
)

func main() {
	ctx, cancel := libOS.NotifyOnShutdown(context.Background())
	defer cancel()
	if err := Execute(ctx); err != nil {
		logging.LoggerFromContext(ctx).Error(err, "")
		os.Exit(1)
	}
}
