// Copyright 2021 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type testingWriter struct {
	t zaptest.TestingT
}

func newTestingWriter(t zaptest.TestingT) testingWriter {
	return testingWriter{t: t}
}

func (w testingWriter) Write(p []byte) (n int, err error) {
	n = len(p)

	// 去掉末尾换行符，因为 t.Log 会自动追加一个换行。
	p = bytes.TrimRight(p, "\n")

	// 注意：t.Log 在并发场景下是安全的。
	w.t.Logf("%s", p)
	return n, nil
}

func (w testingWriter) Sync() error {
	return nil
}

// SetupTestLogger 将全局 Logger 重定向到测试输出，并在测试结束后自动还原。
//
// 典型用法：在需要观察日志输出的单元测试开头调用
// log.SetupTestLogger(t)。
func SetupTestLogger(t zaptest.TestingT) {
	prevL, prevP := L(), Prop()

	cfg := &Config{Level: "debug", Format: "text", DisableStacktrace: true}
	logger, props, err := InitLoggerWithWriteSyncer(cfg, zap.CombineWriteSyncers(newTestingWriter(t)))
	if err != nil {
		panic(err)
	}
	ReplaceGlobals(logger, props)

	if tt, ok := t.(interface{ Cleanup(func()) }); ok {
		tt.Cleanup(func() {
			ReplaceGlobals(prevL, prevP)
		})
	}
}
