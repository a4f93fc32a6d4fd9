// Package sandbox builds the JavaScript realms bundles execute in.
//
// A [Factory] produces two kinds of [Environment]:
//
//   - Create builds an isolated realm. Its global object exposes only
//     Buffer, the timer functions (timeout, interval and immediate pairs),
//     console, process, a global self-reference and one context slot.
//     Native modules stay loadable through [Environment.Require], but the
//     global require is gone.
//   - Host returns the factory's single shared realm, which keeps the full
//     node-style require. It backs the direct isolation mode.
//
// Each environment owns a goja_nodejs event loop. The runtime is only
// touched from that loop's goroutine, through [Environment.Do] or
// [Environment.Go].
//
// Console output goes to zap by default ([LogPrinter]) or can be captured
// per environment with [WithConsole] and a [BufferPrinter].
package sandbox
