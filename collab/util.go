package collab

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// note all callbacks are wrapped to recover from errors,
// so that a misbehaving host callback cannot take down the engine

func HandleError(do func(), handlers ...func(error)) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			glog.Infof("[cb]recovered = %s\n", err)
			for _, handler := range handlers {
				handler(err)
			}
		}
	}()
	do()
}

// makes a copy of the list on update
// the returned remove function unregisters the callback
type CallbackList[T any] struct {
	mutex      sync.Mutex
	nextId     int
	callbackIds []int
	callbacks  map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	nextCallbackIds := []int{}
	for _, existingId := range self.callbackIds {
		if existingId != callbackId {
			nextCallbackIds = append(nextCallbackIds, existingId)
		}
	}
	self.callbackIds = nextCallbackIds
}
