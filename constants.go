package videorecv

import (
	"time"
)

const (
	defaultListenAddress               = ":5000"
	defaultQueueCapacity               = 3
	defaultIDRTimeout                  = 5 * time.Second
	defaultReadTimeout                 = 100 * time.Millisecond
	defaultDequeueTimeout              = 200 * time.Millisecond
	defaultMaxNALUSize                 = 200000
	defaultMaxPacketSize               = 2048
	defaultStatsPeriod                 = 1 * time.Second
	defaultParameterSetsWarningTimeout = 3 * time.Second
	defaultReceiverReportPeriod        = 10 * time.Second

	h264ClockRate = 90000
)
