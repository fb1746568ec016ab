//go:build !opencv

package main

import (
	"errors"

	"github.com/rasd/surveillance-server/internal/config"
	"github.com/rasd/surveillance-server/internal/vision"
)

func opencvLoader(config.Config) (vision.Loader, error) {
	return nil, errors.New("detection backend opencv needs a build with -tags opencv")
}
