package session

import (
	"sync"

	"github.com/lk2023060901/whisper-garden-go/internal/protocol"
	"github.com/lk2023060901/whisper-garden-go/pkg/log"
	"go.uber.org/zap"
)

// defaultSubscriberBuffer 为每个订阅者的消息缓冲容量。
const defaultSubscriberBuffer = 20

// broadcaster 是会话出站通道的多订阅者广播实现。
//
// 约定：
//   - 每个订阅者独立持有一个带缓冲的 channel，发布的每条消息都会投递给所有订阅者；
//   - 没有订阅者时发布不报错，消息被直接丢弃；
//   - 单个订阅者消费过慢导致缓冲写满时，仅对该订阅者丢弃本条消息，
//     绝不阻塞发布方或其他订阅者。
type broadcaster struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan protocol.Message
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		subs: make(map[uint64]chan protocol.Message),
	}
}

// publish 将消息投递给当前所有订阅者。
// 返回实际投递成功的订阅者数量。
func (b *broadcaster) publish(msg protocol.Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for id, ch := range b.subs {
		select {
		case ch <- msg:
			delivered++
		default:
			// 订阅者缓冲已满，仅对其丢弃本条消息。
			log.Warn("broadcast subscriber buffer full, message dropped",
				log.FieldComponent("session"),
				zap.Uint64("subscriber", id),
				zap.String("kind", msg.Kind()))
		}
	}
	return delivered
}

// subscribe 注册一个新的订阅者。
//
// 返回的取消函数负责注销订阅并关闭 channel，可安全地重复调用。
func (b *broadcaster) subscribe() (<-chan protocol.Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan protocol.Message, defaultSubscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// subscriberCount 返回当前订阅者数量。
func (b *broadcaster) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
