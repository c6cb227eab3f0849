package memory

import (
	"testing"

	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/store/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.RunStoreContract(t, func(t *testing.T) store.Store {
		return New()
	})
}
