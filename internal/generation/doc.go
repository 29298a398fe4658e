// Package generation defines the boundary between the worker and the image
// model that renders a task. Implementations live under platform/.
package generation
