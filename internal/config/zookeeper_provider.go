package config

import (
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZookeeperProvider is a koanf provider reading a single znode and
// watching it for changes, used when Type is SourceZookeeper.
type ZookeeperProvider struct {
	conn *zk.Conn
	path string
}

// NewZookeeperProvider connects to endpoints and prepares to read path.
func NewZookeeperProvider(endpoints []string, path string) (*ZookeeperProvider, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("zookeeper endpoints are required")
	}
	if path == "" {
		return nil, fmt.Errorf("zookeeper path is required")
	}

	conn, _, err := zk.Connect(endpoints, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to zookeeper: %w", err)
	}
	return &ZookeeperProvider{conn: conn, path: path}, nil
}

// ReadBytes implements koanf.Provider.
func (p *ZookeeperProvider) ReadBytes() ([]byte, error) {
	data, _, err := p.conn.Get(p.path)
	if err != nil {
		return nil, fmt.Errorf("read zookeeper path %s: %w", p.path, err)
	}
	return data, nil
}

// Read implements koanf.Provider for parser-less providers; unused here
// since the loader always pairs this provider with the yaml parser.
func (p *ZookeeperProvider) Read() (map[string]interface{}, error) {
	return nil, fmt.Errorf("zookeeper provider requires a parser")
}

// Watch blocks, invoking callback on every data change until the node is
// deleted or the watch is lost.
func (p *ZookeeperProvider) Watch(callback func(event interface{}, err error)) error {
	for {
		data, _, eventCh, err := p.conn.GetW(p.path)
		if err != nil {
			callback(nil, fmt.Errorf("watch zookeeper path %s: %w", p.path, err))
			continue
		}

		event := <-eventCh
		switch event.Type {
		case zk.EventNodeDataChanged:
			callback(data, nil)
		case zk.EventNodeDeleted:
			callback(nil, fmt.Errorf("zookeeper node %s was deleted", p.path))
			return nil
		case zk.EventNotWatching:
			callback(nil, fmt.Errorf("zookeeper watch lost for path %s", p.path))
			return nil
		}
	}
}

// Close releases the zookeeper session.
func (p *ZookeeperProvider) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
