package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// EvaluateExpression 评估 govaluate 表达式规则。
// 支持两种变量写法：
//   - {{customer.credit_rating}} 形式的嵌套路径占位符
//   - total_cost > 10000 形式的裸变量名
//
// 占位符先替换为合成变量再解析，避免点号路径干扰表达式语法。
// 未解析到的变量按 nil 参与计算。
func (e *Engine) EvaluateExpression(expr string, context map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("表达式不能为空")
	}

	placeholders := make(map[string]string)
	processed := placeholderPattern.ReplaceAllStringFunc(expr, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		name := fmt.Sprintf("var%d", len(placeholders))
		placeholders[name] = path
		return name
	})

	expression, err := govaluate.NewEvaluableExpression(processed)
	if err != nil {
		return false, fmt.Errorf("解析表达式失败: %w", err)
	}

	parameters := make(map[string]any)
	for name, path := range placeholders {
		parameters[name] = ResolveField(path, context)
	}
	for _, v := range expression.Vars() {
		if _, exists := parameters[v]; exists {
			continue
		}
		parameters[v] = ResolveField(v, context)
	}

	result, err := expression.Evaluate(parameters)
	if err != nil {
		return false, fmt.Errorf("评估表达式失败: %w", err)
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("表达式结果不是布尔值: %v", result)
	}
	return boolResult, nil
}
