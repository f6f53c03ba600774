package exchange

// Get returns a value from the exchange's scratch store, or nil.
// The store is shared by handlers and middleware across one exchange.
func (ex *Exchange) Get(key string) any {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.data == nil {
		return nil
	}
	return ex.data[key]
}

// Set stores a value in the exchange's scratch store.
func (ex *Exchange) Set(key string, value any) {
	ex.mu.Lock()
	if ex.data == nil {
		ex.data = make(map[string]any)
	}
	ex.data[key] = value
	ex.mu.Unlock()
}

// Delete removes a value from the exchange's scratch store.
func (ex *Exchange) Delete(key string) {
	ex.mu.Lock()
	if ex.data != nil {
		delete(ex.data, key)
	}
	ex.mu.Unlock()
}
