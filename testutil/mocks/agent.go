// MockAgent 的 agent 测试模拟实现。
//
// 支持脚本化响应、延迟、审批请求与错误注入场景。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/orchestra/agent"
)

// Reply 是脚本中的一次响应
type Reply struct {
	Value any
	Err   error
	// Delay 在返回前等待；上下文取消时提前返回 ctx.Err()
	Delay time.Duration
	// Approval 为真时返回 RequiresApproval(Message, Payload)
	Approval bool
	Message  string
	Payload  any
	// IgnoreContext 让延迟无视取消，用于模拟卡死的 agent
	IgnoreContext bool
}

// MockAgent 是 agent.Agent 的模拟实现
type MockAgent struct {
	mu sync.Mutex

	name     string
	script   []Reply
	fallback Reply
	fn       func(ctx context.Context, req *agent.Request) (agent.Output, error)

	calls []agent.Request
}

// NewMockAgent 创建新的 MockAgent，默认返回 "ok"
func NewMockAgent(name string) *MockAgent {
	return &MockAgent{name: name, fallback: Reply{Value: "ok"}}
}

// WithResponse 设置固定响应值
func (m *MockAgent) WithResponse(value any) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = Reply{Value: value}
	return m
}

// WithError 设置总是返回的错误
func (m *MockAgent) WithError(err error) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = Reply{Err: err}
	return m
}

// WithDelay 设置默认响应的延迟
func (m *MockAgent) WithDelay(d time.Duration) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback.Delay = d
	return m
}

// WithApproval 让默认响应请求人工审批
func (m *MockAgent) WithApproval(message string, payload any) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = Reply{Approval: true, Message: message, Payload: payload}
	return m
}

// WithScript 设置按调用顺序消费的响应；用完后回落到默认响应
func (m *MockAgent) WithScript(replies ...Reply) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, replies...)
	return m
}

// WithFunc 用自定义函数处理请求，优先于脚本
func (m *MockAgent) WithFunc(fn func(ctx context.Context, req *agent.Request) (agent.Output, error)) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return m
}

// Name 实现 agent.Agent
func (m *MockAgent) Name() string { return m.name }

// Execute 实现 agent.Agent
func (m *MockAgent) Execute(ctx context.Context, req *agent.Request) (agent.Output, error) {
	m.mu.Lock()
	m.calls = append(m.calls, *req)
	fn := m.fn
	reply := m.fallback
	if len(m.script) > 0 {
		reply = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}

	if reply.Delay > 0 {
		if reply.IgnoreContext {
			time.Sleep(reply.Delay)
		} else {
			t := time.NewTimer(reply.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return agent.Output{}, ctx.Err()
			case <-t.C:
			}
		}
	}
	if reply.Err != nil {
		return agent.Output{}, reply.Err
	}
	if reply.Approval {
		return agent.RequiresApproval(reply.Message, reply.Payload), nil
	}
	return agent.Success(reply.Value), nil
}

// Calls 返回所有调用记录
func (m *MockAgent) Calls() []agent.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agent.Request(nil), m.calls...)
}

// CallCount 返回调用次数
func (m *MockAgent) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// CallsFor 返回某个步骤的调用记录
func (m *MockAgent) CallsFor(stepID string) []agent.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Request
	for _, c := range m.calls {
		if c.StepID == stepID {
			out = append(out, c)
		}
	}
	return out
}

// Reset 清空调用记录
func (m *MockAgent) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// EchoAgent 返回一个把 intent 原样作为输出的 agent
func EchoAgent(name string) *MockAgent {
	return NewMockAgent(name).WithFunc(func(_ context.Context, req *agent.Request) (agent.Output, error) {
		return agent.Success(req.Intent), nil
	})
}
