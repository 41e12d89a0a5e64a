package broker

// Registrar is anything handlers can be bound to: a Worker or a Group of one.
type Registrar interface {
	Handle(queue string, h HandlerFunc)
}

// Group binds handlers under a queue-name prefix, so several deployments can
// share one broker.
type Group struct {
	r      Registrar
	prefix string
}

func (w *Worker) Group(prefix string) *Group {
	return &Group{r: w, prefix: prefix}
}

// Group nests a further prefix.
func (g *Group) Group(suffix string) *Group {
	return &Group{r: g.r, prefix: QueueName(g.prefix, suffix)}
}

func (g *Group) Handle(name string, h HandlerFunc) { g.r.Handle(QueueName(g.prefix, name), h) }

// QueueName joins a namespace prefix and a queue name with a dot. An empty
// prefix leaves the name unchanged.
func QueueName(prefix, name string) string {
	if prefix == "" || name == "" {
		if name == "" {
			return prefix
		}
		return name
	}
	return prefix + "." + name
}
