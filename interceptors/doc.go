// Package interceptors wraps consumer handlers with cross-cutting behavior.
//
// An interceptor sees every inbound envelope before the handler does and
// decides whether and how to pass it on:
//
//	consumer, err := amqclient.NewConsumer(opts, amqclient.WithInterceptors(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewFilteringInterceptor(interceptors.KindFilter(contracts.KindText), interceptors.SkipSilently),
//		interceptors.NewTimeoutInterceptor(10*time.Second),
//	))
//
// Interceptors run in the order they were added; the handler runs last.
package interceptors
