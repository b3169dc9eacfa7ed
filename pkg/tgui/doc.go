// Package tgui provides small Telegram UI helpers for gatebot:
//   - Inline keyboard builders (join links, confirm rows, broadcast buttons)
//   - Callback data helpers (scope:action:payload)
//   - A message builder that escapes for ParseMode="HTML" by default
package tgui
