package cci

import "github.com/opencci/gocci/internal/constants"

// Re-exported defaults for callers that don't want to import
// internal/constants directly.
const (
	ABIVersion                 = constants.ABIVersion
	ConnReqLen                 = constants.ConnReqLen
	DefaultSendBufCount        = constants.DefaultSendBufCount
	DefaultRecvBufCount        = constants.DefaultRecvBufCount
	DefaultMaxSendSize         = constants.DefaultMaxSendSize
	DefaultEndpointSendTimeout = constants.DefaultEndpointSendTimeout
	DefaultConnectTimeout      = constants.DefaultConnectTimeout
	DefaultKeepaliveTimeout    = constants.DefaultKeepaliveTimeout
	DefaultPriority            = constants.DefaultPriority
	RMAHandleWireSize          = constants.RMAHandleWireSize
	RMAAlignment               = constants.RMAAlignment
)
