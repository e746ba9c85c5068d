// Package storage is the client for the transactional secure storage
// service.
//
// A Session owns one connection to a port. Its methods finalize every
// operation on its own. BeginTransaction stages operations on the same
// connection until Commit or Discard applies or drops them together:
//
//	tx := s.BeginTransaction()
//	if err := tx.Write("a", data); err != nil {
//		tx.Discard()
//		return err
//	}
//	return tx.Commit()
//
// A Transaction that is dropped without Commit or Discard terminates the
// process, as does a write the service reports as short.
package storage
