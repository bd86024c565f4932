package iio

import "github.com/ehrlich-b/go-iio/internal/constants"

// Re-export constants for public API
const (
	IIODPort       = constants.IIODPort
	MaxAttrSize    = constants.MaxAttrSize
	MaxMMAPBlocks  = constants.MaxMMAPBlocks
	NetworkTimeout = constants.NetworkTimeout
	SerialTimeout  = constants.SerialTimeout
	LocalTimeout   = constants.LocalTimeout
)
