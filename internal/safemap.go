/*
Licensed to the Apache Software Foundation (ASF) under one
or more contributor license agreements.  See the NOTICE file
distributed with this work for additional information
regarding copyright ownership.  The ASF licenses this file
to you under the Apache License, Version 2.0 (the
"License"); you may not use this file except in compliance
with the License.  You may obtain a copy of the License at

  http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing,
software distributed under the License is distributed on an
"AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
KIND, either express or implied.  See the License for the
specific language governing permissions and limitations
under the License.
*/

package internal

import (
	"sync"
)

// SafeMap is a goroutine-safe map.
type SafeMap[K comparable, V any] struct {
	m    map[K]V
	lock sync.Mutex
}

func MakeSafeMap[K comparable, V any]() *SafeMap[K, V] { return &SafeMap[K, V]{m: make(map[K]V)} }

func (m *SafeMap[K, V]) Get(key K) V {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.m[key]
}

func (m *SafeMap[K, V]) GetOk(key K) (V, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	v, ok := m.m[key]
	return v, ok
}

func (m *SafeMap[K, V]) Put(key K, value V) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.m[key] = value
}

// PutIfAbsent stores value unless key is present, and reports whether it stored.
func (m *SafeMap[K, V]) PutIfAbsent(key K, value V) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.m[key]; ok {
		return false
	}
	m.m[key] = value
	return true
}

func (m *SafeMap[K, V]) Delete(key K) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.m, key)
}

func (m *SafeMap[K, V]) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.m)
}

// Keys returns a snapshot of the keys in no particular order.
func (m *SafeMap[K, V]) Keys() []K {
	m.lock.Lock()
	defer m.lock.Unlock()
	keys := make([]K, 0, len(m.m))
	for k := range m.m {
		keys = append(keys, k)
	}
	return keys
}
