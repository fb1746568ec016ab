//go:build opencv

package main

import (
	"github.com/rasd/surveillance-server/internal/config"
	"github.com/rasd/surveillance-server/internal/vision"
	"github.com/rasd/surveillance-server/internal/vision/opencv"
)

func opencvLoader(cfg config.Config) (vision.Loader, error) {
	return opencv.Loader(opencv.Paths{
		Detector:   cfg.Detection.ModelPath,
		Cascade:    cfg.Detection.CascadePath,
		Classifier: cfg.Detection.ClassifierPath,
		FaceSize:   cfg.Pipeline.FaceInputSize,
	}), nil
}
