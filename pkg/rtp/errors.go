package rtp

import "errors"

var errShortNALULength = errors.New("rtp: AVCC NALU length prefix exceeds buffer")
