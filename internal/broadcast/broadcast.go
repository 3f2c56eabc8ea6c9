// Package broadcast 負責任務進度事件的即時分發。
// Broadcaster 維持「唯一一條」Redis Pub/Sub 連線（Pattern 訂閱），
// 將事件依 taskID 分發給記憶體中註冊的連線；
// Publisher 則是 Worker 端的發佈介面，依部署型態走 Redis 或行程內直送。
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/Jaylaelike/audio-description-s2t/internal/task"
)

// Conn 一條已註冊的下游連線。Send 不得阻塞：
// 無法立即收下事件時返回錯誤，Broadcaster 會將整條連線註銷。
type Conn interface {
	Send(data []byte) error
}

// Broadcaster 連線註冊表與事件分發器。
// connections 與 subscribers 互為索引，註銷連線時兩邊同步清理。
type Broadcaster struct {
	mu          sync.RWMutex
	connections map[string]Conn            // connID → 連線
	subscribers map[string]map[string]bool // taskID → 訂閱者 connID 集合
	connTasks   map[string]map[string]bool // connID → 已訂閱 taskID 集合
}

// NewBroadcaster 初始化分發器。
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		connections: make(map[string]Conn),
		subscribers: make(map[string]map[string]bool),
		connTasks:   make(map[string]map[string]bool),
	}
}

// Register 註冊連線。
func (b *Broadcaster) Register(connID string, c Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connections[connID] = c
}

// Unregister 註銷連線並清空其所有訂閱。重複註銷是 no-op。
func (b *Broadcaster) Unregister(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unregisterLocked(connID)
}

func (b *Broadcaster) unregisterLocked(connID string) {
	delete(b.connections, connID)
	for taskID := range b.connTasks[connID] {
		delete(b.subscribers[taskID], connID)
		if len(b.subscribers[taskID]) == 0 {
			delete(b.subscribers, taskID) // 避免 memory leak
		}
	}
	delete(b.connTasks, connID)
}

// Subscribe 將連線訂閱至指定任務。重複訂閱是冪等的。
// 連線尚未註冊時返回錯誤。
func (b *Broadcaster) Subscribe(connID, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.connections[connID]; !ok {
		return fmt.Errorf("broadcast: connection %s is not registered", connID)
	}
	if b.subscribers[taskID] == nil {
		b.subscribers[taskID] = make(map[string]bool)
	}
	b.subscribers[taskID][connID] = true
	if b.connTasks[connID] == nil {
		b.connTasks[connID] = make(map[string]bool)
	}
	b.connTasks[connID][taskID] = true
	return nil
}

// HasSubscribers 回報指定任務目前是否有訂閱者。
func (b *Broadcaster) HasSubscribers(taskID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[taskID]) > 0
}

// Unsubscribe 解除單一任務的訂閱，連線本身保持註冊。
func (b *Broadcaster) Unsubscribe(connID, taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers[taskID], connID)
	if len(b.subscribers[taskID]) == 0 {
		delete(b.subscribers, taskID)
	}
	delete(b.connTasks[connID], taskID)
}

// Dispatch 將事件分發給任務的所有訂閱者。
// Send 失敗的連線視為已死，當場整條註銷，
// 失敗只影響該連線，其他訂閱者照常收到事件。
func (b *Broadcaster) Dispatch(taskID string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var dead []string
	for connID := range b.subscribers[taskID] {
		c, ok := b.connections[connID]
		if !ok {
			dead = append(dead, connID)
			continue
		}
		if err := c.Send(payload); err != nil {
			log.Printf("Dropping connection %s: %v", connID, err)
			dead = append(dead, connID)
		}
	}
	for _, connID := range dead {
		b.unregisterLocked(connID)
	}
}

// Run 啟動背景監聽迴圈，訂閱所有任務的進度頻道並分發。
// 此方法應設計為常駐 Goroutine。
func (b *Broadcaster) Run(ctx context.Context, rdb *redis.Client) {
	pubsub := rdb.PSubscribe(ctx, "progress:*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	log.Println("Broadcaster started, listening to progress:*")

	for {
		select {
		case <-ctx.Done():
			log.Println("Broadcaster shutting down")
			return
		case msg, ok := <-ch:
			if !ok {
				log.Println("Redis pubsub channel closed")
				return
			}
			taskID := strings.TrimPrefix(msg.Channel, "progress:")
			b.Dispatch(taskID, []byte(msg.Payload))
		}
	}
}

// --- 連線實作 ---

// ChannelConn 以帶緩衝 channel 實作的連線，SSE Handler 據此轉發。
// 緩衝滿載代表下游消化太慢，Send 返回錯誤使連線被註銷，
// 防範慢用戶拖垮系統。
type ChannelConn struct {
	C chan []byte
}

// NewChannelConn 建立帶適量緩衝的連線，抵抗瞬發流量。
func NewChannelConn() *ChannelConn {
	return &ChannelConn{C: make(chan []byte, 16)}
}

// Send 非阻塞送出。
func (c *ChannelConn) Send(data []byte) error {
	select {
	case c.C <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// --- 發佈端 ---

// Publisher Worker 端的進度事件發佈介面。
type Publisher interface {
	Publish(ctx context.Context, ev *task.Event) error
}

// RedisPublisher 將事件發佈至 Redis 頻道 progress:{taskID}，
// 供跨行程的 Broadcaster 接收。
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher 建立 Redis 發佈端。
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

// Publish 序列化事件並發佈。沒有訂閱者時 Redis 會直接丟棄，符合預期。
func (p *RedisPublisher) Publish(ctx context.Context, ev *task.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event for task %s: %v", ev.TaskID, err)
	}
	return p.rdb.Publish(ctx, "progress:"+ev.TaskID, data).Err()
}

// LocalPublisher 行程內直送，用於記憶體後備模式或嵌入式 Worker：
// 事件不經 Redis，直接交給同行程的 Broadcaster 分發。
type LocalPublisher struct {
	b *Broadcaster
}

// NewLocalPublisher 建立行程內發佈端。
func NewLocalPublisher(b *Broadcaster) *LocalPublisher {
	return &LocalPublisher{b: b}
}

// Publish 直接分發，不落地。
func (p *LocalPublisher) Publish(ctx context.Context, ev *task.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event for task %s: %v", ev.TaskID, err)
	}
	p.b.Dispatch(ev.TaskID, data)
	return nil
}
