package auth

import "context"

type subjectKey struct{}

// WithSubject 把认证主体挂到请求上下文，供后续处理链读取。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 取出上下文中的认证主体，缺失时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, ok := ctx.Value(subjectKey{}).(*Subject)
	if !ok {
		return nil
	}
	subject.normalise()
	return subject
}
