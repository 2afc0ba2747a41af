// =============================================================================
// 📦 测试数据工厂 - StrategyMap 样例
// =============================================================================
// 提供预定义的策略图，用于编排器、解析器与 CLI 测试
// =============================================================================
package fixtures

import (
	"github.com/BaSui01/orchestra/strategy"
)

// Step 构造一个步骤
func Step(id, agentName, intent, output string) *strategy.Step {
	return &strategy.Step{
		StepID:         id,
		AssignedAgent:  agentName,
		IntentTemplate: intent,
		ExpectedOutput: output,
	}
}

// =============================================================================
// 🗺️ 策略图工厂
// =============================================================================

// LinearStrategy 返回 research → draft → review 三步线性策略
func LinearStrategy(agentName string) *strategy.StrategyMap {
	return &strategy.StrategyMap{
		Goal: "write an article",
		Elements: []strategy.Instruction{
			Step("research", agentName, "research {{ topic }}", "notes"),
			Step("draft", agentName, "draft from {{ notes }}", "draft"),
			Step("review", agentName, "review {{ draft }}", "review"),
		},
	}
}

// DiamondStrategy 返回 a → (b, c) → d 的菱形依赖
func DiamondStrategy(agentName string) *strategy.StrategyMap {
	return &strategy.StrategyMap{
		Goal: "diamond",
		Elements: []strategy.Instruction{
			Step("a", agentName, "start {{ topic }}", "a_out"),
			Step("b", agentName, "left {{ a_out }}", "b_out"),
			Step("c", agentName, "right {{ a_out }}", "c_out"),
			Step("d", agentName, "join {{ b_out }} {{ c_out }}", "d_out"),
		},
	}
}

// LoopStrategy 返回一个改写循环：每轮 critique 读取上一轮的 revision
func LoopStrategy(agentName string, maxIterations int, agg strategy.Aggregation) *strategy.StrategyMap {
	return &strategy.StrategyMap{
		Goal: "refine a draft",
		Elements: []strategy.Instruction{
			Step("draft", agentName, "draft {{ topic }}", "draft"),
			&strategy.LoopBlock{
				LoopID:        "refine",
				MaxIterations: maxIterations,
				Aggregation:   agg,
				OutputKey:     "refined",
				Body: []strategy.Instruction{
					Step("critique", agentName, "critique {{ draft }} {{ revision }}", "critique"),
					Step("revise", agentName, "revise with {{ critique }}", "revision"),
				},
			},
			Step("publish", agentName, "publish {{ refined }}", "published"),
		},
	}
}

// ApprovalStrategy 返回 plan → approve → execute，其中 approve 需要人工审批
func ApprovalStrategy(worker, approver string) *strategy.StrategyMap {
	return &strategy.StrategyMap{
		Goal: "ship a release",
		Elements: []strategy.Instruction{
			Step("plan", worker, "plan release of {{ version }}", "plan"),
			Step("approve", approver, "approve {{ plan }}", "approval"),
			Step("execute", worker, "execute {{ plan }} with {{ approval }}", "release"),
		},
	}
}

// TerminateStrategy 返回在 check 后按条件提前结束的策略
func TerminateStrategy(agentName string) *strategy.StrategyMap {
	return &strategy.StrategyMap{
		Goal: "stop early",
		Elements: []strategy.Instruction{
			Step("check", agentName, "check {{ topic }}", "verdict"),
			&strategy.Terminate{
				TerminateID:         "done",
				ConditionTemplate:   "{{ verdict == 'done' }}",
				FinalOutputTemplate: "finished: {{ verdict }}",
			},
			Step("extra", agentName, "more work on {{ verdict }}", "extra"),
		},
	}
}

// =============================================================================
// 📄 YAML 文档
// =============================================================================

// LoopStrategyYAML 是 LoopStrategy("writer", 3, collect_all) 的 YAML 形式
const LoopStrategyYAML = `goal: refine a draft
elements:
  - type: step
    step_id: draft
    assigned_agent: writer
    intent_template: "draft {{ topic }}"
    expected_output: draft
  - type: loop
    loop_id: refine
    max_iterations: 3
    aggregation: collect_all
    output_key: refined
    body:
      - step_id: critique
        assigned_agent: writer
        intent_template: "critique {{ draft }} {{ revision }}"
        expected_output: critique
      - step_id: revise
        assigned_agent: writer
        intent_template: "revise with {{ critique }}"
        expected_output: revision
  - type: step
    step_id: publish
    assigned_agent: writer
    intent_template: "publish {{ refined }}"
    expected_output: published
`
