package transport

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/lk2023060901/whisper-garden-go/internal/auth"
	"github.com/lk2023060901/whisper-garden-go/internal/dispatch"
	"github.com/lk2023060901/whisper-garden-go/internal/protocol"
	"github.com/lk2023060901/whisper-garden-go/internal/session"
	"github.com/lk2023060901/whisper-garden-go/pkg/log"
)

// 统一的传输层错误码常量。
const (
	ErrCodeNotAuthenticated = "transport:not_authenticated"
	ErrCodeRecvFailed       = "transport:recv_failed"
	ErrCodeSendFailed       = "transport:send_failed"
)

var (
	// ErrNotAuthenticated 表示连接携带的令牌非法或已过期。
	ErrNotAuthenticated = errors.New(ErrCodeNotAuthenticated)

	// ErrRecvFailed 表示从底层连接读取帧时发生错误。
	ErrRecvFailed = errors.New(ErrCodeRecvFailed)

	// ErrSendFailed 表示向对端写出帧时发生错误。
	ErrSendFailed = errors.New(ErrCodeSendFailed)
)

// FrameConn 抽象了一条全双工、有序的文本帧流（例如一个 WebSocket 会话）。
//
// 核心只关心两类传输事件：收到一帧、写帧失败。
// 具体的握手与帧封装由接入层负责。
type FrameConn interface {
	// ReadFrame 阻塞读取下一帧。连接关闭或出错时返回 error。
	ReadFrame() ([]byte, error)

	// WriteFrame 将一帧完整写出。
	WriteFrame(data []byte) error

	// Close 关闭底层连接。多次调用应是幂等的。
	Close() error
}

// Pump 驱动一条已升级连接的完整生命周期。
//
// 职责：
//   - 校验凭证并确保注册表中存在该用户的会话；
//   - 在接收任何其他流量前推送一条在线好友快照；
//   - 将连接拆成读写两个协程互相竞速，任一侧退出即取消另一侧；
//   - 连接结束时执行一次（且仅一次）移除加下线通知。
type Pump struct {
	registry   session.Registry
	presence   *session.Presence
	dispatcher *dispatch.Handler
	auth       *auth.Manager
}

// NewPump 创建一个连接泵。
func NewPump(registry session.Registry, presence *session.Presence, dispatcher *dispatch.Handler, authManager *auth.Manager) *Pump {
	return &Pump{
		registry:   registry,
		presence:   presence,
		dispatcher: dispatcher,
		auth:       authManager,
	}
}

// Serve 阻塞地服务一条连接直到其结束。
//
// 无论因何种原因返回，底层连接都已关闭；
// 若会话曾被登记为在线，注册表移除与好友下线扇出恰好执行一次。
func (p *Pump) Serve(ctx context.Context, conn FrameConn, token string) error {
	defer conn.Close()

	if status := p.auth.Validate(token); status != auth.StatusOK {
		// 认证失败属于协议错误：回发错误帧，连接随后关闭。
		p.writeMessage(conn, protocol.NewError("You are not authenticated"))
		return errors.Wrapf(ErrNotAuthenticated, "validate status %d", status)
	}

	cred, err := p.auth.Decode(token)
	if err != nil {
		p.writeMessage(conn, protocol.NewError("You are not authenticated"))
		return errors.Wrap(ErrNotAuthenticated, err.Error())
	}
	username := cred.Subject

	sess, created := p.ensureSession(username, cred)
	outbound, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	if created {
		if err := p.presence.NotifyOnline(ctx, username); err != nil {
			log.Warn("online fanout failed",
				log.FieldComponent("transport"),
				log.FieldUser(username),
				zap.Error(err))
		}
	}

	// 在转发任何其他流量之前，必须先推送一条在线好友快照。
	names, err := p.presence.OnlineFriendNames(ctx, username)
	if err != nil {
		log.Warn("online friends snapshot failed",
			log.FieldComponent("transport"),
			log.FieldUser(username),
			zap.Error(err))
		names = []string{}
	}
	if err := p.writeMessage(conn, protocol.NewOnlineUsers(names)); err != nil {
		p.teardown(username)
		return err
	}

	// errs 承载读协程产生的协议错误帧。
	// 写路径只在写协程中执行，避免并发写同一条连接。
	errs := make(chan *protocol.Error, 8)

	g, gctx := errgroup.WithContext(ctx)

	// 任一协程退出时关闭连接，确保阻塞在 ReadFrame 的读协程也能解除。
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})

	g.Go(func() error {
		return p.writeLoop(gctx, conn, outbound, errs)
	})

	g.Go(func() error {
		return p.readLoop(gctx, conn, username, errs)
	})

	serveErr := g.Wait()

	// 两个循环几乎同时失败时，移除路径也只会走一次：
	// teardown 在 Serve 中只被调用一次，注册表对不存在的键宽容处理。
	p.teardown(username)

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		log.Debug("connection ended",
			log.FieldComponent("transport"),
			log.FieldUser(username),
			zap.Error(serveErr))
	}
	return serveErr
}

// ensureSession 确保注册表中存在该用户的会话。
//
// 已有在线会话时直接复用（同一用户的新标签页共享会话与出站通道），
// 同时用新凭证整体替换旧凭证；没有时创建并插入。
// 返回的 created 表示本次调用是否新建了会话。
func (p *Pump) ensureSession(username string, cred auth.Credential) (*session.Session, bool) {
	if sess, ok := p.registry.Lookup(username); ok {
		sess.RenewCredential(cred)
		return sess, false
	}
	sess := session.New(username, cred)
	p.registry.Insert(sess)
	return sess, true
}

// writeLoop 消费会话出站通道并将消息逐帧写出。
//
// 消息序列化失败不视为会话级故障：改为向对端回发一条协议错误帧。
func (p *Pump) writeLoop(ctx context.Context, conn FrameConn, outbound <-chan protocol.Message, errs <-chan *protocol.Error) error {
	for {
		var msg protocol.Message
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-outbound:
			if !ok {
				return nil
			}
			msg = m
		case e := <-errs:
			msg = e
		}

		if err := p.writeMessage(conn, msg); err != nil {
			return err
		}
	}
}

// readLoop 逐帧读取入站数据并交给分发器处理。
//
// 格式错误的帧只产生一条错误帧回执，连接保持打开；
// 读取本身失败才结束循环。
func (p *Pump) readLoop(ctx context.Context, conn FrameConn, username string, errs chan<- *protocol.Error) error {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return errors.Wrapf(ErrRecvFailed, "%v", err)
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			select {
			case errs <- protocol.NewError("Could not deserialize message"):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if errMsg := p.dispatcher.Handle(ctx, msg, username); errMsg != nil {
			select {
			case errs <- errMsg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// writeMessage 将一条协议消息编码并写出为单帧。
func (p *Pump) writeMessage(conn FrameConn, msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		// 序列化失败降级为错误帧，而不是当作连接故障。
		data, err = protocol.Marshal(protocol.NewError("Could not serialize message"))
		if err != nil {
			return errors.Wrapf(ErrSendFailed, "marshal fallback: %v", err)
		}
	}
	if err := conn.WriteFrame(data); err != nil {
		return errors.Wrapf(ErrSendFailed, "%v", err)
	}
	return nil
}

// teardown 将用户从注册表移除并通知其好友下线。
// 对已经不在注册表中的用户是无害的空操作。
func (p *Pump) teardown(username string) {
	p.presence.Disconnect(context.Background(), username)
}
