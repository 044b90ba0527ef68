package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub 负责管理所有的 WebSocket 客户端连接，并向它们广播消息
type Hub struct {
	clients    map[*websocket.Conn]bool // 存储所有活跃的客户端连接
	broadcast  chan []byte              // 广播通道，用于接收需要发送给所有客户端的消息
	register   chan *websocket.Conn     // 注册通道，用于接收新连接
	unregister chan *websocket.Conn     // 注销通道，用于处理断开的连接
	mu         sync.Mutex               // 互斥锁，保护 clients 映射的并发访问
	done       chan struct{}            // Run 退出时关闭

	// Snapshot 不为 nil 时，新连接的客户端会先收到一次全量状态
	Snapshot func() interface{}
	logger   *slog.Logger
}

// NewHub 创建一个新的 Hub 实例
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
		done:       make(chan struct{}),
		logger:     logger.With("component", "hub"),
	}
}

// Run 启动 Hub 的主循环，直到 ctx 取消
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			if h.Snapshot != nil {
				h.send(conn, h.Snapshot())
			}
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			// 向所有连接的客户端广播消息
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Warn("写入 WebSocket 失败", "error", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) send(conn *websocket.Conn, state interface{}) {
	message, err := json.Marshal(state)
	if err != nil {
		h.logger.Error("序列化状态失败", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
		h.logger.Warn("写入 WebSocket 失败", "error", err)
	}
}

// BroadcastState 将状态序列化为 JSON 并发送到广播通道
// 广播通道已满时丢弃本次状态，不阻塞事件处理；下一次状态变化会带上最新的全量状态
func (h *Hub) BroadcastState(state interface{}) {
	message, err := json.Marshal(state)
	if err != nil {
		h.logger.Error("序列化状态失败", "error", err)
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.Debug("广播通道已满，丢弃状态")
	}
}

// Clients 返回当前连接的客户端数量
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// upgrader 将普通的 HTTP 连接升级为 WebSocket 连接
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 仪器控制界面只在实验室内网使用
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs 处理来自客户端的 WebSocket 请求
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("升级 WebSocket 失败", "error", err)
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	// 读取循环只用于发现客户端断开，客户端不会发送消息
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				select {
				case h.unregister <- conn:
				case <-h.done:
				}
				return
			}
		}
	}()
}
