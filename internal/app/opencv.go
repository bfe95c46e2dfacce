//go:build gocv

package app

import "edgecam/internal/camera/opencv"

func init() {
	extraBackends = append(extraBackends, opencv.Register)
}
