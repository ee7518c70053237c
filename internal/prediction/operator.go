package prediction

import "context"

type operatorKey struct{}

// WithOperator tags ctx so that a submission started with it records who asked
// for it.
func WithOperator(ctx context.Context, operator string) context.Context {
	if operator == "" {
		return ctx
	}
	return context.WithValue(ctx, operatorKey{}, operator)
}

// OperatorFrom returns the operator stored by WithOperator, or "".
func OperatorFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	operator, _ := ctx.Value(operatorKey{}).(string)
	return operator
}
