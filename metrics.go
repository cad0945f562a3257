// Copyright 2017 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package msgmux

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatisticsSource is implemented by Endpoint.
type StatisticsSource interface {
	Statistics() Statistics
}

type statDesc struct {
	desc  *prometheus.Desc
	vtype prometheus.ValueType
	value func(s *Statistics) int64
}

// Collector exports the statistics of an endpoint as prometheus metrics.
type Collector struct {
	src   StatisticsSource
	descs []statDesc
}

// NewCollector creates a collector for src, constLabels are attached to
// every metric and tell endpoints apart.
func NewCollector(src StatisticsSource, constLabels prometheus.Labels) *Collector {
	d := func(name, help string, vtype prometheus.ValueType, value func(s *Statistics) int64) statDesc {
		return statDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName("msgmux", "", name), help, nil, constLabels),
			vtype: vtype,
			value: value,
		}
	}

	counter := prometheus.CounterValue
	return &Collector{
		src: src,
		descs: []statDesc{
			d("frames_read_total", "Frames read from connections.", counter,
				func(s *Statistics) int64 { return s.ReadedCount }),
			d("bytes_read_total", "Payload bytes read from connections.", counter,
				func(s *Statistics) int64 { return s.ReadedBytes }),
			d("decode_errors_total", "Frames that failed to decode.", counter,
				func(s *Statistics) int64 { return s.DecodeErrors }),
			d("frames_written_total", "Frames written to connections.", counter,
				func(s *Statistics) int64 { return s.WrittenCount }),
			d("bytes_written_total", "Payload bytes written to connections.", counter,
				func(s *Statistics) int64 { return s.WrittenBytes }),
			d("write_errors_total", "Messages that failed to encode or write.", counter,
				func(s *Statistics) int64 { return s.WriteErrors }),
			d("output_total", "Messages queued for writing.", counter,
				func(s *Statistics) int64 { return s.OutputCount }),
			d("dropped_total", "Messages dropped because the peer was unreachable.", counter,
				func(s *Statistics) int64 { return s.DroppedCount }),
			d("conns_accepted_total", "Inbound connections accepted.", counter,
				func(s *Statistics) int64 { return s.AcceptedCount }),
			d("conns_dialed_total", "Outbound connections dialed.", counter,
				func(s *Statistics) int64 { return s.DialedCount }),
			d("conns_evicted_total", "Connections evicted by the size bound or idle timeout.", counter,
				func(s *Statistics) int64 { return s.EvictedCount }),
			d("conns", "Connections currently held.", prometheus.GaugeValue,
				func(s *Statistics) int64 { return s.Conns }),
			d("queued", "Messages waiting for the writer.", prometheus.GaugeValue,
				func(s *Statistics) int64 { return s.Queued }),
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Statistics()
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.desc, d.vtype, float64(d.value(&s)))
	}
}
