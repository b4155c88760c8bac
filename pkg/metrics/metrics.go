// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// whisperNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	whisperNamespace = "whisper"

	// 以下为当前使用的通用标签名。
	kindLabelName   = "kind"
	resultLabelName = "result"
)

var (
	// sweepBuckets 为过期扫描耗时直方图的桶划分，单位为毫秒。
	sweepBuckets = prometheus.ExponentialBuckets(1, 2, 12)

	// OnlineSessions 为当前在线会话数量。
	OnlineSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: whisperNamespace,
			Name:      "online_sessions",
			Help:      "number of live sessions in the registry",
		})

	// MessagesDelivered 为按消息类型统计的出站投递数量。
	MessagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: whisperNamespace,
			Name:      "messages_delivered_total",
			Help:      "messages delivered to session subscribers",
		}, []string{kindLabelName})

	// MessagesDropped 为无订阅者或缓冲写满时丢弃的消息数量。
	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: whisperNamespace,
			Name:      "messages_dropped_total",
			Help:      "messages dropped because no subscriber was listening",
		}, []string{kindLabelName})

	// DispatchResults 为入站消息分发结果统计。
	DispatchResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: whisperNamespace,
			Name:      "dispatch_results_total",
			Help:      "inbound message dispatch outcomes",
		}, []string{kindLabelName, resultLabelName})

	// SweepEvictions 为过期扫描清理掉的会话数量。
	SweepEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: whisperNamespace,
			Name:      "sweep_evictions_total",
			Help:      "sessions evicted by the expiration sweep",
		})

	// SweepDuration 为单次过期扫描的耗时，单位为毫秒。
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: whisperNamespace,
			Name:      "sweep_duration_milliseconds",
			Help:      "duration of one expiration sweep pass",
			Buckets:   sweepBuckets,
		})

	metricRegisterer prometheus.Registerer
)

// Register 将本包的全部指标注册到给定的 Registerer。
func Register(r prometheus.Registerer) {
	metricRegisterer = r
	r.MustRegister(OnlineSessions)
	r.MustRegister(MessagesDelivered)
	r.MustRegister(MessagesDropped)
	r.MustRegister(DispatchResults)
	r.MustRegister(SweepEvictions)
	r.MustRegister(SweepDuration)
}

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}
